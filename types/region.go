package types

// Region is an administrative region. Polls and users reference regions by
// the stable code, never by a database id.
type Region struct {
	Code       string `json:"code"`
	NameEN     string `json:"nameEn"`
	NameKA     string `json:"nameKa"`
	ParentCode string `json:"parentCode,omitempty"`
}
