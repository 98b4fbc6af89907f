package grok

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenStatsigIDStatic(t *testing.T) {
	assert.Equal(t, staticStatsigID, GenStatsigID(false))
}

func TestGenStatsigIDDynamic(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := GenStatsigID(true)
		decoded, err := base64.StdEncoding.DecodeString(id)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(decoded), "e:TypeError:"),
			"decoded id should look like a browser error, got %q", decoded)
	}
}
