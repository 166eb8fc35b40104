package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestGormConfigTranslatesDriverErrors(t *testing.T) {
	// mapGormErr relies on the driver translating uniqueness violations
	// into gorm.ErrDuplicatedKey; that only happens with TranslateError on.
	assert.True(t, gormConfig().TranslateError)
}

func TestMapGormErr(t *testing.T) {
	assert.ErrorIs(t, mapGormErr(gorm.ErrRecordNotFound), ErrNotFound)
	assert.ErrorIs(t, mapGormErr(gorm.ErrDuplicatedKey), ErrDuplicate)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapGormErr(other))
}
