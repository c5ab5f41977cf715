package envutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Setenv("JSS_TEST_STR", "hello")
	assert.Equal(t, "hello", Get("JSS_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", Get("JSS_TEST_STR_UNSET", "fallback"))
}

func TestGetInt(t *testing.T) {
	t.Setenv("JSS_TEST_INT", "42")
	assert.Equal(t, 42, GetInt("JSS_TEST_INT", 7))

	t.Setenv("JSS_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, GetInt("JSS_TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetInt("JSS_TEST_INT_UNSET", 7))
}

func TestGetFloat(t *testing.T) {
	t.Setenv("JSS_TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, GetFloat("JSS_TEST_FLOAT", 0.5))
	assert.Equal(t, 0.5, GetFloat("JSS_TEST_FLOAT_UNSET", 0.5))
}

func TestGetBool(t *testing.T) {
	for _, truthy := range []string{"true", "1", "yes", "on", "TRUE"} {
		t.Setenv("JSS_TEST_BOOL", truthy)
		assert.True(t, GetBool("JSS_TEST_BOOL", false), truthy)
	}
	t.Setenv("JSS_TEST_BOOL", "false")
	assert.False(t, GetBool("JSS_TEST_BOOL", true))
	assert.True(t, GetBool("JSS_TEST_BOOL_UNSET", true))
}

func TestGetDuration(t *testing.T) {
	t.Setenv("JSS_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, GetDuration("JSS_TEST_DUR", time.Minute))

	// Bare integers are seconds.
	t.Setenv("JSS_TEST_DUR", "30")
	assert.Equal(t, 30*time.Second, GetDuration("JSS_TEST_DUR", time.Minute))

	t.Setenv("JSS_TEST_DUR", "bogus")
	assert.Equal(t, time.Minute, GetDuration("JSS_TEST_DUR", time.Minute))
}
