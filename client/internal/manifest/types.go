package manifest

// Update is a single available upgrade record. Values are immutable once decoded.
type Update struct {
	Code        string `yaml:"code" json:"code"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	FileSize    int64  `yaml:"file_size" json:"file_size"`
	Version     string `yaml:"version" json:"version"`
	Link        string `yaml:"link" json:"link"`
}

// TargetVersion returns the version the update installs
func (u Update) TargetVersion() string {
	return u.Version
}

// Message is an informational record shown to the user, independent of updates
type Message struct {
	Code         string `yaml:"code" json:"code"`
	Title        string `yaml:"title" json:"title"`
	Body         string `yaml:"body" json:"body"`
	Link         string `yaml:"link" json:"link"`
	OpenExternal bool   `yaml:"open_external" json:"open_external"`
}

// Product describes the product the manifest was issued for
type Product struct {
	Code    string `yaml:"code" json:"code"`
	Name    string `yaml:"name" json:"name"`
	IconURL string `yaml:"icon_url" json:"icon_url"`
}

// Manifest is the list of update and message records for one product
type Manifest struct {
	Product  Product   `yaml:"product" json:"product"`
	Updates  []Update  `yaml:"updates" json:"updates"`
	Messages []Message `yaml:"messages" json:"messages"`
}
