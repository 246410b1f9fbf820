package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	o := Options{Password: "pw"}.withDefaults()
	assert.Equal(t, "root:pw@tcp(127.0.0.1:3306)/custodian?charset=utf8mb4&parseTime=True&loc=UTC", o.dsn())

	o = Options{DSN: "u:p@tcp(db:3306)/x"}.withDefaults()
	assert.Equal(t, "u:p@tcp(db:3306)/x", o.dsn())
}
