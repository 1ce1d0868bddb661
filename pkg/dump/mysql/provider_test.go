package mysql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/dbsentry/pkg/dump"
)

func TestDumpCommandArgs(t *testing.T) {
	p := &Provider{Host: "db.example.com", Port: 3306, User: "backup", Password: "secret"}

	cmd := p.dumpCommand("appdb")
	joined := strings.Join(cmd.Args, " ")

	assert.Contains(t, joined, "mysqldump")
	assert.Contains(t, joined, "-h db.example.com")
	assert.Contains(t, joined, "-P 3306")
	assert.Contains(t, joined, "-u backup")
	assert.Contains(t, joined, "--single-transaction")
	assert.Contains(t, joined, "--set-gtid-purged=OFF")
	assert.Equal(t, "appdb", cmd.Args[len(cmd.Args)-1])
}

func TestDumpCommandOmitsPasswordFlagWhenEmpty(t *testing.T) {
	p := &Provider{Host: "localhost", Port: 3306, User: "root"}

	cmd := p.dumpCommand("appdb")
	for _, arg := range cmd.Args {
		assert.False(t, strings.HasPrefix(arg, "-p"), "unexpected password flag %q", arg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Provider
		wantErr bool
	}{
		{"valid", Provider{Host: "h", Port: 3306, User: "u"}, false},
		{"missing host", Provider{Port: 3306, User: "u"}, true},
		{"missing user", Provider{Host: "h", Port: 3306}, true},
		{"port zero", Provider{Host: "h", User: "u"}, true},
		{"port out of range", Provider{Host: "h", Port: 70000, User: "u"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactoryRegistered(t *testing.T) {
	p, err := dump.NewProvider("mysql", dump.Params{Host: "h", Port: 3306, Username: "u", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", p.Name())
}
