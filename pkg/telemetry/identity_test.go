package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		id   string
		want Identity
	}{
		{
			id: "tests/api/test_users.py::TestUsers::test_create",
			want: Identity{
				Name: "test_create", Class: "TestUsers",
				Module: "tests.api.test_users", File: "tests/api/test_users.py",
			},
		},
		{
			id:   "tests/test_misc.py::test_plain",
			want: Identity{Name: "test_plain", Module: "tests.test_misc", File: "tests/test_misc.py"},
		},
		{
			id: "app.tests.test_models.UserTests.test_save",
			want: Identity{
				Name: "test_save", Class: "UserTests",
				Module: "app.tests.test_models", File: "app/tests/test_models.py",
			},
		},
		{
			id:   "tests.test_models.TestUser.test_create",
			want: Identity{Name: "test_create", Class: "TestUser", Module: "tests.test_models", File: "tests/test_models.py"},
		},
		{
			id:   "example.com/mod/pkg/store.TestUpsert",
			want: Identity{Name: "TestUpsert", Module: "example.com/mod/pkg/store"},
		},
		{
			id:   "example.com/mod/pkg/store.TestUpsert/with_v1.2_rows",
			want: Identity{Name: "with_v1.2_rows", Class: "TestUpsert", Module: "example.com/mod/pkg/store"},
		},
		{
			id:   "gopkg.in/yaml.v3.TestDecode",
			want: Identity{Name: "TestDecode", Module: "gopkg.in/yaml.v3"},
		},
		{
			id:   "mypkg.BenchmarkParse",
			want: Identity{Name: "BenchmarkParse", Module: "mypkg"},
		},
		{
			id:   "plain name",
			want: Identity{Name: "plain name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			tt.want.ID = tt.id
			assert.Equal(t, tt.want, ParseIdentity(tt.id))
		})
	}
}
