package table

import (
	"strings"
)

type typeFamily string

const (
	familyInteger   typeFamily = "integer"
	familyUUID      typeFamily = "uuid"
	familyText      typeFamily = "text"
	familyJSON      typeFamily = "json"
	familyTimestamp typeFamily = "timestamp"
)

var allowedFamilies = map[Role]map[typeFamily]bool{
	RoleID:            {familyInteger: true, familyUUID: true},
	RoleDiscriminator: {familyText: true},
	RolePayload:       {familyJSON: true},
	RoleCreatedAt:     {familyTimestamp: true},
}

// family classifies both DDL spellings ("bigserial", "varchar(250)") and
// information_schema.columns.data_type values ("character varying").
func family(sqlType string) typeFamily {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint",
		"serial", "bigserial", "smallserial", "serial4", "serial8":
		return familyInteger
	case "uuid":
		return familyUUID
	case "text", "varchar", "character varying", "char", "character", "bpchar", "citext":
		return familyText
	case "json", "jsonb":
		return familyJSON
	case "timestamp", "timestamptz", "timestamp with time zone", "timestamp without time zone":
		return familyTimestamp
	default:
		return ""
	}
}

// idDefault is the default expression for non serial primary keys.
func idDefault(sqlType string) string {
	if family(sqlType) == familyUUID {
		return " DEFAULT gen_random_uuid()"
	}
	return ""
}
