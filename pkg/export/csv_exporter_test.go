package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVExporterRender(t *testing.T) {
	data := Dataset{
		Headers: []string{"Student", "Status"},
		Rows: [][]string{
			{"Ada Lovelace", "ACTIVE"},
			{"Grace Hopper", "COMPLETED"},
		},
	}

	out, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "Student,Status\nAda Lovelace,ACTIVE\nGrace Hopper,COMPLETED\n", string(out))
}

func TestCSVExporterQuotesSpecialCharacters(t *testing.T) {
	data := Dataset{
		Headers: []string{"Course"},
		Rows:    [][]string{{`Intro, "Advanced" Topics`}},
	}

	out, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"Intro, ""Advanced"" Topics"`)
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	require.Error(t, err)
}

func TestCSVExporterPadsShortRows(t *testing.T) {
	data := Dataset{
		Headers: []string{"A", "B", "C"},
		Rows:    [][]string{{"only"}},
	}

	out, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "A,B,C\nonly,,\n", string(out))
}

func TestPDFExporterRender(t *testing.T) {
	data := Dataset{
		Headers: []string{"Course", "Completed At"},
		Rows:    [][]string{{"Algorithms", "2026-05-12"}},
	}

	out, err := NewPDFExporter().Render(data, "Academic Transcript")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
