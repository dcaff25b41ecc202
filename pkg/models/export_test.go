package models_test

import (
	"testing"

	"github.com/kiranshivaraju/roomscan/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.ExportStatusQueued, models.ExportStatusProcessing, true},
		{models.ExportStatusProcessing, models.ExportStatusReady, true},
		{models.ExportStatusProcessing, models.ExportStatusFailed, true},
		{models.ExportStatusFailed, models.ExportStatusProcessing, true},
		{models.ExportStatusQueued, models.ExportStatusReady, false},
		{models.ExportStatusReady, models.ExportStatusProcessing, false},
		{models.ExportStatusReady, models.ExportStatusFailed, false},
		{models.ExportStatusProcessing, models.ExportStatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionSources(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{models.ExportStatusQueued, models.ExportStatusFailed},
		models.TransitionSources(models.ExportStatusProcessing))
	assert.Equal(t, []string{models.ExportStatusProcessing}, models.TransitionSources(models.ExportStatusReady))
	assert.Empty(t, models.TransitionSources(models.ExportStatusQueued))
}

func TestExport_Terminal(t *testing.T) {
	assert.False(t, (&models.Export{Status: models.ExportStatusQueued}).Terminal())
	assert.False(t, (&models.Export{Status: models.ExportStatusProcessing}).Terminal())
	assert.True(t, (&models.Export{Status: models.ExportStatusReady}).Terminal())
	assert.True(t, (&models.Export{Status: models.ExportStatusFailed}).Terminal())
}
