package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}
}

func TestRedactPIIKeys(t *testing.T) {
	out, changed := RedactPII("use sk-abcdefghijklmnopqrstuvwx please")
	assert.True(t, changed)
	assert.Equal(t, "use [REDACTED_KEY] please", out)
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("a watercolor fox in the snow")
	assert.False(t, changed)
	assert.Equal(t, "a watercolor fox in the snow", out)
}

func TestPromptPreview(t *testing.T) {
	assert.Equal(t, "a fox in snow", PromptPreview("a  fox\n in\tsnow", 0))

	long := strings.Repeat("ü", 100)
	got := PromptPreview(long, 10)
	assert.Equal(t, strings.Repeat("ü", 10)+"…", got)

	assert.Equal(t, "mail [REDACTED_EMAIL]", PromptPreview("mail sam@example.com", 80))
}
