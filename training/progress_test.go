package training

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressExportsEpochMetrics(t *testing.T) {
	p := NewProgress()
	p.Observe(EpochSummary{
		Epoch:    1,
		ValRMSE:  3.5,
		ValLoss:  0.25,
		TrainMAE: 1.25,
		Seconds:  2.5,
		Best:     true,
	})
	p.Observe(EpochSummary{Epoch: 2, ValRMSE: 4.0, Seconds: 2.0})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "geco_pretrain_epochs_total 2")
	require.Contains(t, text, "geco_pretrain_val_rmse 4")
	require.Contains(t, text, "geco_pretrain_epoch_seconds 2")
	// Best gauge keeps the epoch-1 value since epoch 2 did not improve.
	require.Contains(t, text, "geco_pretrain_best_val_rmse 3.5")
	require.True(t, strings.Contains(text, "geco_pretrain_train_mae"))
}
