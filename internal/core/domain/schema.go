package domain

// TableColumn describes one column of a user table, as reported by schema
// introspection.
type TableColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}
