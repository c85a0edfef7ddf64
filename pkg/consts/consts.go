package consts

import "os"

const (
	// ModeDir is the standard file mode for creating directories
	ModeDir = os.FileMode(0o755)

	// ModeFile is the standard file mode for creating files
	ModeFile = os.FileMode(0o644)

	// DefaultQuerySeparator splits a migration file into individually executed queries.
	DefaultQuerySeparator = "-->"

	// OptionsSentinel prefixes the first line of a query block that carries JSON options.
	OptionsSentinel = "--rmig--"

	// CoreTable is the bookkeeping table recording executed migrations.
	CoreTable = "CHANGELOGS"

	// SchemaAdminProperty is the datasource property naming the schema that holds CoreTable.
	SchemaAdminProperty = "SCHEMA_ADMIN"

	// QuerySeparatorProperty overrides DefaultQuerySeparator when passed as a property.
	QuerySeparatorProperty = "query_separator"

	// ChangelogTemplateID is the template identifier used when resolving changelog files.
	ChangelogTemplateID = "changelogs.yml"

	// DefaultChangelogFile is the changelog path used when none is given.
	DefaultChangelogFile = "changelogs.yml"
)
