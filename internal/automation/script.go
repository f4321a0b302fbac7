//go:build !no_automation

package automation

import "errors"

// ErrScriptNotFound is returned when no script file exists for an ID.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as a .lua file whose first line carries
// the metadata.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
