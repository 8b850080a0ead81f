package mysql

import (
	"errors"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
)

func errorNumber(err error) (uint16, bool) {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return 0, false
	}
	return mysqlErr.Number, true
}

func IsDuplicateKey(err error) bool {
	number, ok := errorNumber(err)
	return ok && number == mysqlerr.ER_DUP_ENTRY
}

// IsTableMissing matches "table doesn't exist" errors, seen when reading control tables before they are migrated.
func IsTableMissing(err error) bool {
	number, ok := errorNumber(err)
	return ok && number == mysqlerr.ER_NO_SUCH_TABLE
}

func IsParseError(err error) bool {
	number, ok := errorNumber(err)
	return ok && number == mysqlerr.ER_PARSE_ERROR
}
