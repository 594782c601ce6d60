package sqlrows

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DefaultTable is the table SQL drivers keep key/value pairs in.
const DefaultTable = "agentdb_kv"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTable checks that name can be spliced into DDL unquoted.
func ValidateTable(name string) error {
	return validation.Validate(name,
		validation.Required,
		validation.Match(identRe).Error("must be a plain SQL identifier"),
	)
}
