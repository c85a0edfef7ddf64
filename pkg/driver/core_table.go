package driver

import (
	"hash/crc32"

	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/template"
)

const coreTableTemplate = `CREATE TABLE IF NOT EXISTS {% if SCHEMA_ADMIN %}{{ SCHEMA_ADMIN }}.{% endif %}CHANGELOGS(
    FILENAME TEXT NOT NULL,
    ORDER_ID {{ ORDER_TYPE | default("INTEGER") }} NOT NULL,
    HASH TEXT NOT NULL
)`

// CoreTableDDL renders the statement creating the bookkeeping table. schemaAdmin
// qualifies the table when non-empty and orderType is the column type of ORDER_ID
// (INTEGER when empty).
func CoreTableDDL(schemaAdmin, orderType string) (string, error) {
	ctx := make(map[string]string, 2)
	if schemaAdmin != "" {
		ctx[consts.SchemaAdminProperty] = schemaAdmin
	}
	if orderType != "" {
		ctx["ORDER_TYPE"] = orderType
	}

	return template.Apply("core_table.sql", coreTableTemplate, ctx)
}

// CoreTable returns the bookkeeping table name, qualified with schemaAdmin when set.
func CoreTable(schemaAdmin string) string {
	if schemaAdmin == "" {
		return consts.CoreTable
	}

	return schemaAdmin + "." + consts.CoreTable
}

// LockID returns the advisory lock key for a datastore identity: the CRC-32 (IEEE)
// checksum of identity.
func LockID(identity string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(identity)))
}
