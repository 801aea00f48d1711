package fingerprint

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestOfKnownValue(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Of(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", OfString("hello"))
	assert.Len(t, OfString("anything"), Size)
}

func TestOfIsDeterministic(t *testing.T) {
	f := func(b []byte) bool {
		return Of(b) == Of(append([]byte(nil), b...))
	}
	assert.NoError(t, quick.Check(f, nil))
}

func TestOfDistinguishesContent(t *testing.T) {
	f := func(a, b []byte) bool {
		if bytes.Equal(a, b) {
			return Of(a) == Of(b)
		}
		return Of(a) != Of(b)
	}
	assert.NoError(t, quick.Check(f, nil))
}
