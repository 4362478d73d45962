package database

import (
	"database/sql"
	"testing"

	"specter/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPluginRecord() models.PluginRecord {
	return models.PluginRecord{
		PluginMetadata: models.PluginMetadata{
			ID:              "sqli-detector",
			Name:            "SQLi Detector",
			Version:         "1.0.0",
			Category:        "injection",
			DefaultSeverity: "high",
			Tags:            []string{"sqli", "errors"},
		},
		Status:     models.PluginStatusEnabled,
		SourcePath: "/plugins/sqli-detector.tengo",
	}
}

func TestPluginRecordRoundTrip(t *testing.T) {
	setupTestDB(t)

	require.NoError(t, UpsertPluginRecord(testPluginRecord()))

	rec, err := GetPluginRecord("sqli-detector")
	require.NoError(t, err)
	assert.Equal(t, "SQLi Detector", rec.Name)
	assert.Equal(t, []string{"sqli", "errors"}, rec.Tags)
	assert.Equal(t, models.PluginStatusEnabled, rec.Status)
	assert.False(t, rec.ErrorMessage.Valid)
}

func TestUpsertPluginRecordReplacesExisting(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, UpsertPluginRecord(testPluginRecord()))

	updated := testPluginRecord()
	updated.Version = "2.0.0"
	updated.Status = models.PluginStatusDisabled
	require.NoError(t, UpsertPluginRecord(updated))

	records, err := ListPluginRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2.0.0", records[0].Version)
	assert.Equal(t, models.PluginStatusDisabled, records[0].Status)
}

func TestPluginRecordWithError(t *testing.T) {
	setupTestDB(t)

	rec := testPluginRecord()
	rec.ID = "broken-plugin"
	rec.Status = models.PluginStatusError
	rec.ErrorMessage = models.NullString("compile error at line 3")
	require.NoError(t, UpsertPluginRecord(rec))

	got, err := GetPluginRecord("broken-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.PluginStatusError, got.Status)
	require.True(t, got.ErrorMessage.Valid)
	assert.Equal(t, "compile error at line 3", got.ErrorMessage.String)
}

func TestDeletePluginRecord(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, UpsertPluginRecord(testPluginRecord()))

	require.NoError(t, DeletePluginRecord("sqli-detector"))
	_, err := GetPluginRecord("sqli-detector")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.ErrorIs(t, DeletePluginRecord("sqli-detector"), sql.ErrNoRows)
}
