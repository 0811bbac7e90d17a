package exchange_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/pkg/mock"
	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	records, malformed := exchange.Parse("1700000000##7##3###1700000001##8##Errmsg###")
	assert.Empty(t, malformed)
	assert.Equal(t, []exchange.Record{
		{Timestamp: 1700000000, AccountID: 7, Unseen: 3},
		{Timestamp: 1700000001, AccountID: 8, Err: "Errmsg"},
	}, records)
}

func TestParseEdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		want      []exchange.Record
		malformed int
	}{
		{
			name: "general error",
			data: "1700000000##0##Number of retries exceeded###",
			want: []exchange.Record{{Timestamp: 1700000000, Err: "Number of retries exceeded"}},
		},
		{
			name: "empty id is general",
			data: "1700000000####boom###",
			want: []exchange.Record{{Timestamp: 1700000000, Err: "boom"}},
		},
		{
			name:      "missing fields and bad timestamp",
			data:      "garbage###abc##1##2###\n###",
			malformed: 2,
		},
		{
			name: "error text keeps its tail",
			data: "1700000000##4##\"HTTP/1.0 500 Oops\" for \"localhost\"###",
			want: []exchange.Record{{Timestamp: 1700000000, AccountID: 4, Err: "\"HTTP/1.0 500 Oops\" for \"localhost\""}},
		},
		{
			name: "zero unseen is success",
			data: "1700000000##2##0###",
			want: []exchange.Record{{Timestamp: 1700000000, AccountID: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, malformed := exchange.Parse(tt.data)
			assert.Equal(t, tt.want, records)
			assert.Len(t, malformed, tt.malformed)
		})
	}
}

func TestEncode(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "1700000000##7##3###", exchange.Success(7, 3, at).Encode())
	assert.Equal(t, "1700000000##0##a%23%23b###", exchange.Failure(0, "a##b", at).Encode())
	assert.Equal(t, "8##Errmsg", exchange.Failure(8, "Errmsg", at).Payload())
}

func TestWriterAndHarvest(t *testing.T) {
	fm := utils.OSFileManager{}
	path := filepath.Join(t.TempDir(), "identity_switch_ret.s1")
	at := time.Unix(1700000000, 0)

	records, _, err := exchange.Harvest(fm, path)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, exchange.Exists(fm, path))

	w := exchange.NewWriter(path, exchange.WithLogger(mock.SetupLogger(t)))
	defer w.Close()
	require.NoError(t, w.Append(exchange.Success(7, 3, at)))
	require.NoError(t, w.Append(exchange.Failure(8, "Errmsg", at)))
	assert.True(t, exchange.Exists(fm, path))

	records, malformed, err := exchange.Harvest(fm, path)
	require.NoError(t, err)
	assert.Empty(t, malformed)
	assert.Len(t, records, 2)
	assert.False(t, exchange.Exists(fm, path))

	// harvesting again delivers nothing
	records, _, err = exchange.Harvest(fm, path)
	require.NoError(t, err)
	assert.Empty(t, records)

	// the held handle now points at the harvested file and must be replaced
	require.NoError(t, w.Append(exchange.Success(9, 1, at)))
	records, _, err = exchange.Harvest(fm, path)
	require.NoError(t, err)
	assert.Equal(t, []exchange.Record{{Timestamp: 1700000000, AccountID: 9, Unseen: 1}}, records)

	leftovers, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriterRetriesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity_switch_ret.s2")
	at := time.Unix(1700000000, 0)

	fm := &mock.MockFileManager{WriteErrs: []error{errors.New("disk hiccup")}}
	w := exchange.NewWriter(path, exchange.WithFileManager(fm), exchange.WithLogger(mock.SetupLogger(t)))
	require.NoError(t, w.Append(exchange.Success(1, 2, at)))
	require.NoError(t, w.Close())
	assert.Equal(t, 2, fm.Opens)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1700000000##1##2###", string(data))

	fm = &mock.MockFileManager{WriteErrs: []error{errors.New("first"), errors.New("second")}}
	w = exchange.NewWriter(path, exchange.WithFileManager(fm))
	assert.Error(t, w.Append(exchange.Success(1, 5, at)))
	assert.Equal(t, 2, fm.Opens)

	fm = &mock.MockFileManager{OpenErr: errors.New("read-only")}
	w = exchange.NewWriter(path, exchange.WithFileManager(fm))
	assert.Error(t, w.Append(exchange.Success(1, 5, at)))
}

func TestConcurrentWritersKeepRecordsIntact(t *testing.T) {
	fm := utils.OSFileManager{}
	path := filepath.Join(t.TempDir(), "identity_switch_ret.s3")
	at := time.Unix(1700000000, 0)

	var wg sync.WaitGroup
	for iid := 1; iid <= 8; iid++ {
		wg.Add(1)
		go func(iid int) {
			defer wg.Done()
			w := exchange.NewWriter(path)
			defer w.Close()
			assert.NoError(t, w.Append(exchange.Success(iid, iid*2, at)))
		}(iid)
	}
	wg.Wait()

	records, malformed, err := exchange.Harvest(fm, path)
	require.NoError(t, err)
	assert.Empty(t, malformed)
	assert.Len(t, records, 8)
	for _, rec := range records {
		assert.Equal(t, rec.AccountID*2, rec.Unseen)
	}
}
