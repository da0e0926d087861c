package calib

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/simfit/align"
)

func connectedMock() *MockClient {
	mock := NewMockClient()
	mock.SetConnected(true)
	return mock
}

func TestNewPublisher_Prefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, DefaultPublishPrefix, NewPublisher(nil, nil).Prefix())
	assert.Equal(t, "fits", NewPublisher(nil, mqttConfig()).Prefix())

	t.Setenv("MQTT_PUBLISH_PREFIX", "env-prefix")
	assert.Equal(t, "env-prefix", NewPublisher(nil, mqttConfig()).Prefix())
}

func TestPublisher_NotConnected(t *testing.T) {
	fit := fittedSquare(t)
	assert.Error(t, NewPublisher(nil, nil).PublishFit("square", fit))
	assert.Error(t, NewPublisher(NewMockClient(), nil).PublishFit("square", fit))
}

func TestPublisher_PublishFit(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := connectedMock()
	p := NewPublisher(mock, nil)

	fit := fittedSquare(t)
	require.NoError(t, p.PublishFit("square", fit))
	require.NoError(t, p.PublishFit("other", fit))

	individual := mock.PublishedTo("simfit/square")
	require.Len(t, individual, 1)
	assert.True(t, individual[0].Retain)

	var report FitReport
	require.NoError(t, json.Unmarshal(individual[0].Payload, &report))
	assert.Equal(t, "square", report.SetID)
	assert.Equal(t, "tsr", report.Mode)
	assert.InDelta(t, 2, report.Scale, 1e-9)
	require.NotNil(t, report.Angle)
	assert.InDelta(t, 90, *report.Angle, 1e-9)
	assert.InDelta(t, 10, report.Translation[0], 1e-9)
	assert.InDelta(t, 5, report.Translation[1], 1e-9)
	assert.Equal(t, 4, report.Pairs)
	require.Len(t, report.Rotation, 2)

	combined := mock.PublishedTo("simfit/transforms")
	require.Len(t, combined, 2)
	var all struct {
		Sets []FitReport `json:"sets"`
	}
	require.NoError(t, json.Unmarshal(combined[1].Payload, &all))
	require.Len(t, all.Sets, 2)
	assert.Equal(t, "other", all.Sets[0].SetID)
	assert.Equal(t, "square", all.Sets[1].SetID)

	got, ok := p.GetReport("square")
	require.True(t, ok)
	assert.Equal(t, "square", got.SetID)
	assert.Len(t, p.GetAllReports(), 2)

	p.ClearReport("square")
	_, ok = p.GetReport("square")
	assert.False(t, ok)
}

func TestPublisher_ThreeDimensionalFitHasNoAngle(t *testing.T) {
	tr, err := align.NewTransform(align.Point{1, 2, 3}, 1, nil)
	require.NoError(t, err)
	report := NewFitReport("cube", CachedFit{Transform: tr, Mode: "t"})
	assert.Nil(t, report.Angle)
	assert.Len(t, report.Rotation, 3)
}

func TestPublisher_PublishError(t *testing.T) {
	mock := connectedMock()
	mock.SetPublishError(errors.New("broker full"))
	p := NewPublisher(mock, nil)
	assert.ErrorContains(t, p.PublishFit("square", fittedSquare(t)), "broker full")
}

func TestPublisher_PublishPoint(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := connectedMock()
	p := NewPublisher(mock, nil)
	fit := fittedSquare(t)

	require.NoError(t, p.PublishPoint("square", align.Point{1, 1}, fit.Transform))
	msgs := mock.PublishedTo("simfit/square/point")
	require.Len(t, msgs, 1)

	var report PointReport
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &report))
	assert.Equal(t, align.Point{1, 1}, report.Source)
	assert.InDelta(t, 8, report.Target[0], 1e-9)
	assert.InDelta(t, 7, report.Target[1], 1e-9)

	assert.Error(t, p.PublishPoint("square", align.Point{1, 1, 1}, fit.Transform))
}

func TestPublisher_SetQoSAndRetain(t *testing.T) {
	p := NewPublisher(nil, nil)
	p.SetQoS(2)
	assert.Equal(t, byte(2), p.qos)
	p.SetQoS(3)
	assert.Equal(t, byte(2), p.qos, "invalid QoS is ignored")
	p.SetRetain(false)
	assert.False(t, p.retain)
}
