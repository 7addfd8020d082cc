package inventory

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

func TestExportWorkbook(t *testing.T) {
	svc, store := newTestService()
	seedUnit(t, store, "u1", bloodtype.OPos, models.UnitAvailable, 48*time.Hour)
	seedUnit(t, store, "u2", bloodtype.ANeg, models.UnitTesting, 48*time.Hour)

	data, err := svc.Export(context.Background(), Filter{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(unitsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Unit ID", rows[0][0])
	assert.Equal(t, "u1", rows[1][0])
	assert.Equal(t, "O+", rows[1][1])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, summary, len(bloodtype.All)+1)
	for _, r := range summary[1:] {
		if r[0] == "O+" {
			assert.Equal(t, "1", r[1])
		}
	}
}
