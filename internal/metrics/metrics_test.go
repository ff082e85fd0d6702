// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstruments(t *testing.T) {
	before := testutil.ToFloat64(TrainingEpochs.WithLabelValues("squat"))
	TrainingEpochs.WithLabelValues("squat").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TrainingEpochs.WithLabelValues("squat")))

	TrainingEpochLoss.WithLabelValues("squat").Set(1.5)
	assert.Equal(t, 1.5, testutil.ToFloat64(TrainingEpochLoss.WithLabelValues("squat")))
}

func TestHandler(t *testing.T) {
	ScoresComputed.Inc()
	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, recorder.Code)
	assert.True(t, strings.Contains(recorder.Body.String(), "motionsim_scores_computed_total"))
}
