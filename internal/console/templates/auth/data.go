package auth

// LoginPageData encapsulates rendering state for the console login screen.
type LoginPageData struct {
	Email       string
	MessageKind string
	Message     string
	Busy        bool
	ButtonLabel string
	Next        string
	LoginPath   string
	BasePath    string
}
