package internal

import (
	"strings"
	"text/template"
)

// schemaTemplates hold the DDL of each SQL dialect. Statements are separated
// by a line holding only ";".
var schemaTemplates = map[string]*template.Template{
	"postgres": template.Must(template.New("postgres").Funcs(schemaFuncs).Parse(`
CREATE TABLE IF NOT EXISTS {{ident .Nodes}} (
	path TEXT PRIMARY KEY,
	parent_path TEXT NOT NULL,
	name TEXT NOT NULL,
	identifier UUID NOT NULL UNIQUE,
	primary_type TEXT NOT NULL,
	mixin_types TEXT[] NOT NULL DEFAULT '{}',
	sort_order INTEGER NOT NULL DEFAULT 0
)
;
CREATE INDEX IF NOT EXISTS {{ident (print .Nodes "_parent_idx")}} ON {{ident .Nodes}} (parent_path, sort_order)
;
CREATE TABLE IF NOT EXISTS {{ident .Properties}} (
	node_path TEXT NOT NULL REFERENCES {{ident .Nodes}} (path) ON DELETE CASCADE ON UPDATE CASCADE,
	name TEXT NOT NULL,
	type SMALLINT NOT NULL,
	multi BOOLEAN NOT NULL,
	vals TEXT[] NOT NULL,
	PRIMARY KEY (node_path, name)
)
{{- if .Binaries}}
;
CREATE TABLE IF NOT EXISTS {{ident .Binaries}} (
	key TEXT PRIMARY KEY,
	content BYTEA NOT NULL
)
{{- end}}
`)),
	"sqlite": template.Must(template.New("sqlite").Funcs(schemaFuncs).Parse(`
CREATE TABLE IF NOT EXISTS {{ident .Nodes}} (
	path TEXT PRIMARY KEY,
	parent_path TEXT NOT NULL,
	name TEXT NOT NULL,
	identifier TEXT NOT NULL UNIQUE,
	primary_type TEXT NOT NULL,
	mixin_types TEXT NOT NULL DEFAULT '[]',
	sort_order INTEGER NOT NULL DEFAULT 0
)
;
CREATE INDEX IF NOT EXISTS {{ident (print .Nodes "_parent_idx")}} ON {{ident .Nodes}} (parent_path, sort_order)
;
CREATE TABLE IF NOT EXISTS {{ident .Properties}} (
	node_path TEXT NOT NULL,
	name TEXT NOT NULL,
	type INTEGER NOT NULL,
	multi INTEGER NOT NULL,
	vals TEXT NOT NULL,
	PRIMARY KEY (node_path, name)
)
{{- if .Binaries}}
;
CREATE TABLE IF NOT EXISTS {{ident .Binaries}} (
	key TEXT PRIMARY KEY,
	content BLOB NOT NULL
)
{{- end}}
`)),
}

var schemaFuncs = template.FuncMap{"ident": sanitizeIdentifier}

func renderTemplate(tpl *template.Template, data any) (string, error) {
	var builder strings.Builder
	if err := tpl.Execute(&builder, data); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// schemaStatements renders the DDL of dialect for tables.
func schemaStatements(dialect string, tables StoreTables) ([]string, error) {
	text, err := renderTemplate(schemaTemplates[dialect], tables)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, stmt := range strings.Split(text, "\n;\n") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}
