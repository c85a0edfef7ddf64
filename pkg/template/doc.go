// Package template resolves named variables in changelog and migration text.
//
// Templates use a small subset of the Tera/Jinja syntax: variable substitution
// with {{ name }}, filters ({{ name | default("x") }}), conditional blocks
// ({% if name %}...{% else %}...{% endif %}) and comments ({# ... #}). Any other
// text is copied through unchanged, which keeps SQL readable:
//
//	CREATE TABLE IF NOT EXISTS {% if SCHEMA_ADMIN %}{{ SCHEMA_ADMIN }}.{% endif %}CHANGELOGS (...)
//
// Referencing a variable that is not present in the context is an error wrapping
// ErrTemplate, as is any syntax error.
package template
