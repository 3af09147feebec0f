package test

import (
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
)

type txCtxKey struct{}

// DefaultCtxKey is the context key repositories under test store the
// transaction at.
var DefaultCtxKey any = txCtxKey{}

// AssertError asserts err is present exactly when expectErr is set.
func AssertError(t *testing.T, err error, expectErr bool) {
	t.Helper()
	if !expectErr {
		assert.NoError(t, err)
		return
	}
	assert.Error(t, err)
}

// GenerateAnyArgsSlice returns n sqlmock wildcard arguments.
func GenerateAnyArgsSlice(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

// GenerateAnyPgxArgs returns n pgxmock wildcard arguments.
func GenerateAnyPgxArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}
