package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[1234]
InstanceID = 1
MajorVersion = 1
MinorVersion = 0
UDPPort = 30509
CyclicOfferDelayMs = 2000

[1234.eventgroup.10]
EventIDs = 0x8001,0x8002

[5678]
InstanceID = 2
MajorVersion = 2
TCPPort = 30510
`

func TestLoadParsesServicesAndEventgroups(t *testing.T) {
	services, err := Load([]byte(sample))
	require.NoError(t, err)
	require.Len(t, services, 2)

	svc := services[0]
	assert.Equal(t, uint16(0x1234), svc.ServiceID)
	assert.Equal(t, uint16(1), svc.InstanceID)
	assert.Equal(t, uint8(1), svc.MajorVersion)
	assert.Equal(t, uint16(30509), svc.UDPPort)
	assert.Equal(t, 2*time.Second, svc.CyclicOfferDelay)
	require.Len(t, svc.EventGroups, 1)
	assert.Equal(t, uint16(0x10), svc.EventGroups[0].ID)
	assert.Equal(t, []uint16{0x8001, 0x8002}, svc.EventGroups[0].EventIDs)

	svc2 := services[1]
	assert.Equal(t, uint16(0x5678), svc2.ServiceID)
	assert.Equal(t, uint16(30510), svc2.TCPPort)
	assert.Equal(t, 3*time.Second, svc2.CyclicOfferDelay) // default when unset
	assert.Empty(t, svc2.EventGroups)
}

func TestLoadRejectsEventgroupWithoutService(t *testing.T) {
	_, err := Load([]byte("[9999.eventgroup.1]\nEventIDs = 0x8001\n"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	_, err := Load([]byte("[1234]\nMajorVersion = 1\n"))
	assert.Error(t, err)
}
