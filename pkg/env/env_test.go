package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	t.Setenv("VC_TEST_INT", "42")
	t.Setenv("VC_TEST_BAD_INT", "forty-two")
	t.Setenv("VC_TEST_BOOL", "true")
	t.Setenv("VC_TEST_DURATION", "250ms")

	assert.Equal(t, 42, GetInt("VC_TEST_INT", 1))
	assert.Equal(t, 1, GetInt("VC_TEST_BAD_INT", 1))
	assert.True(t, GetBool("VC_TEST_BOOL", false))
	assert.Equal(t, 250*time.Millisecond, GetDuration("VC_TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", GetString("VC_TEST_UNSET", "fallback"))
}

func TestGetSlice(t *testing.T) {
	t.Setenv("VC_TEST_HOSTS", "a, b,,c")

	assert.Equal(t, []string{"a", "b", "c"}, GetSlice("VC_TEST_HOSTS", nil))
	assert.Equal(t, []string{"x"}, GetSlice("VC_TEST_HOSTS_UNSET", []string{"x"}))
}

func TestGetStringFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	assert.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("VC_TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("VC_TEST_SECRET", ""))

	t.Setenv("VC_TEST_SECRET_FILE", path)
	assert.Equal(t, "s3cret", GetStringFromFile("VC_TEST_SECRET", ""))
}
