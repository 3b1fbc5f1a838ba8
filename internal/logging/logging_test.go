package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFacilityPriorityKnownNames(t *testing.T) {
	for _, name := range []string{"daemon", "local0", "local7", "LOCAL3"} {
		_, err := facilityPriority(name)
		require.NoError(t, err, name)
	}
}

func TestFacilityPriorityRejectsUnknownName(t *testing.T) {
	_, err := facilityPriority("bogus")
	require.Error(t, err)
	var unknown *UnknownFacilityError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "bogus", unknown.Facility)
}

func TestSetupWithoutSyslogConfiguresConsoleLogger(t *testing.T) {
	require.NoError(t, Setup("", true))
	require.NotNil(t, L())
}
