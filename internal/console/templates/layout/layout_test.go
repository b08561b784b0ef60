package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/a-h/templ"
	"github.com/stretchr/testify/require"

	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
)

func requestContext(t *testing.T) context.Context {
	t.Helper()

	var ctx context.Context
	handler := middleware.RequestInfoMiddleware("/console", "Production")(
		middleware.CSRF(middleware.CSRFConfig{})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			ctx = r.Context()
		})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/console", nil))
	require.NotNil(t, ctx)
	return ctx
}

func renderDoc(t *testing.T, ctx context.Context, c templ.Component) *goquery.Document {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, c.Render(ctx, &buf))
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return doc
}

func TestPageShell(t *testing.T) {
	t.Parallel()

	ctx := requestContext(t)
	token := middleware.CSRFTokenFromContext(ctx)
	require.NotEmpty(t, token)

	body := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<p id="child">conteúdo</p>`)
		return err
	})
	doc := renderDoc(t, templ.WithChildren(ctx, body), Page("Teste"))

	require.Equal(t, "Teste | Clinic Console", doc.Find("title").Text())
	require.Equal(t, token, doc.Find(`meta[name="csrf-token"]`).AttrOr("content", ""))
	require.Equal(t, "conteúdo", doc.Find("main #child").Text())
	require.Equal(t, "PRD", doc.Find("[data-environment-badge]").Text())
	require.Equal(t, 0, doc.Find("[data-user-menu]").Length())

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc.Find("body").AttrOr("hx-headers", "")), &headers))
	require.Equal(t, map[string]string{"X-CSRF-Token": token}, headers)
}

func TestPageShowsUserMenu(t *testing.T) {
	t.Parallel()

	ctx := middleware.ContextWithUser(requestContext(t), &middleware.User{UID: "user-1", Email: "<ana@example.com>"})
	doc := renderDoc(t, ctx, Page(""))

	require.Equal(t, "Clinic Console", doc.Find("title").Text())
	require.Equal(t, "<ana@example.com>", doc.Find(".user-email").Text())
	logout := doc.Find("[data-user-menu-logout]")
	require.Equal(t, "/console/logout", logout.AttrOr("action", ""))
	require.Equal(t, middleware.CSRFTokenFromContext(ctx), logout.Find("input[name='_csrf']").AttrOr("value", ""))
}

func TestAlert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	empty := renderDoc(t, ctx, Alert("error", "", "data-alert")).Find("[data-alert]")
	require.Equal(t, 1, empty.Length())
	require.Equal(t, "status", empty.AttrOr("role", ""))
	_, styled := empty.Attr("class")
	require.False(t, styled, "an empty region carries no alert styling")

	shown := renderDoc(t, ctx, Alert("success", `<b>ok</b>`, "data-notice")).Find("[data-notice]")
	require.Equal(t, "alert alert-success", shown.AttrOr("class", ""))
	require.Equal(t, "success", shown.AttrOr("data-kind", ""))
	require.Equal(t, `<b>ok</b>`, shown.Text())
	require.Equal(t, 0, shown.Find("b").Length())
}
