package etlerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NilError(t *testing.T) {
	assert.NoError(t, New(KindNetwork, StageExtract, nil))
}

func TestKindOf_WrappedChain(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("run failed: %w", Network(StageExtract, base))

	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, StageExtract, StageOf(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "extract network error: connection refused")
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("plain")

	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, "", StageOf(err))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "parse", KindParse.String())
	assert.Equal(t, "data_quality", KindDataQuality.String())
	assert.Equal(t, "persistence", KindPersistence.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
