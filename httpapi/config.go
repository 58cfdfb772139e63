package httpapi

// Config defines relay server settings.
type Config struct {
	Addr     string
	BasePath string
	// CORSOrigins lists browser origins allowed to call the API. "*" allows any.
	CORSOrigins []string
}
