package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// tableOf builds a registry directly from capability rows, bypassing the
// host probe.
func tableOf(compositor string, rows ...CapabilityDescriptor) *Registry {
	r := &Registry{caps: map[string]CapabilityDescriptor{}, compositor: compositor}
	for _, row := range rows {
		r.caps[row.Name] = row
	}
	r.strategy = r.decideStrategy()
	return r
}

func TestStrategyModernPortal(t *testing.T) {
	r := tableOf(CompositorGNOME,
		CapabilityDescriptor{Name: CapPortalScreenCast, Available: Yes, Version: "5"},
		CapabilityDescriptor{Name: CapPortalRemoteDesktop, Available: Yes, Version: "2"},
		CapabilityDescriptor{Name: CapRestoreToken, Available: Yes, Version: "5"},
		CapabilityDescriptor{Name: CapHardwareH264, Available: Yes, Version: "vah264enc"},
	)

	s := r.Strategy()
	assert.True(t, s.PersistTokens)
	assert.True(t, s.HardwareEncode)
	assert.Equal(t, InputPortalAbsolute, s.Input)
	assert.Equal(t, uint32(5), s.PortalVersion)
}

func TestStrategyOldPortalFallsBackToRelative(t *testing.T) {
	r := tableOf(CompositorGNOME,
		CapabilityDescriptor{Name: CapPortalScreenCast, Available: Yes, Version: "3"},
		CapabilityDescriptor{Name: CapPortalRemoteDesktop, Available: Yes, Version: "1"},
		CapabilityDescriptor{Name: CapRestoreToken, Available: Unavailable, Version: "3"},
	)

	s := r.Strategy()
	assert.False(t, s.PersistTokens, "portal v3 gets a dialog per connection")
	assert.Equal(t, InputPortalRelative, s.Input)
}

func TestStrategyWLRootsPrefersVirtualInput(t *testing.T) {
	r := tableOf(CompositorWLRoots,
		CapabilityDescriptor{Name: CapPortalScreenCast, Available: Yes, Version: "5"},
		CapabilityDescriptor{Name: CapPortalRemoteDesktop, Available: Unavailable},
		CapabilityDescriptor{Name: CapPrivilegedInput, Available: BestEffort},
	)
	assert.Equal(t, InputVirtualWLR, r.Strategy().Input)
}

func TestStrategyNothingAvailableUsesUinput(t *testing.T) {
	r := tableOf(CompositorUnknown)
	assert.Equal(t, InputUinput, r.Strategy().Input)
	assert.False(t, r.Strategy().PersistTokens)
}

func TestCapabilityNeverProbedReadsUnavailable(t *testing.T) {
	r := tableOf(CompositorUnknown)
	c := r.Capability("something.else")
	assert.Equal(t, Unavailable, c.Available)
	assert.NotEmpty(t, c.Reason)
}

func TestCapabilitiesStableOrder(t *testing.T) {
	r := tableOf(CompositorGNOME)
	caps := r.Capabilities()
	assert.Len(t, caps, 7)
	assert.Equal(t, CapPortalScreenCast, caps[0].Name)
	assert.Equal(t, CapSecretService, caps[6].Name)
}

func TestAvailabilityString(t *testing.T) {
	assert.Equal(t, "yes", Yes.String())
	assert.Equal(t, "best-effort", BestEffort.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "unavailable", Unavailable.String())
}

func TestPrivilegedInputVerdictGNOMEVersions(t *testing.T) {
	legacy := privilegedInputVerdict(CompositorGNOME, 44, 3, false)
	assert.Equal(t, BestEffort, legacy.Available, "GNOME 40-45 keeps the Mutter input path")
	assert.Equal(t, "44", legacy.Version)

	modern := privilegedInputVerdict(CompositorGNOME, 46, 5, false)
	assert.Equal(t, Unavailable, modern.Available)
	assert.NotEmpty(t, modern.Reason)
}

func TestPrivilegedInputVerdictGNOMEInferredFromPortal(t *testing.T) {
	// Shell version unreadable: the ScreenCast portal generation decides.
	inferredLegacy := privilegedInputVerdict(CompositorGNOME, 0, 3, false)
	assert.Equal(t, BestEffort, inferredLegacy.Available)

	inferredModern := privilegedInputVerdict(CompositorGNOME, 0, 5, false)
	assert.Equal(t, Unavailable, inferredModern.Available)
}

func TestPrivilegedInputVerdictWLRoots(t *testing.T) {
	withDisplay := privilegedInputVerdict(CompositorWLRoots, 0, 5, true)
	assert.Equal(t, BestEffort, withDisplay.Available)

	noDisplay := privilegedInputVerdict(CompositorWLRoots, 0, 5, false)
	assert.Equal(t, Unavailable, noDisplay.Available)
}

func TestPrivilegedInputVerdictKDEAndUnknown(t *testing.T) {
	assert.Equal(t, Unavailable, privilegedInputVerdict(CompositorKDE, 6, 5, true).Available)
	assert.Equal(t, Unavailable, privilegedInputVerdict(CompositorUnknown, 0, 0, true).Available)
}

func TestStrategyGNOMEBestEffortInputDoesNotSelectWLR(t *testing.T) {
	// GNOME 40-45 with no RemoteDesktop portal: the Mutter path has no
	// injector of its own, so dispatch falls through to uinput.
	r := tableOf(CompositorGNOME,
		CapabilityDescriptor{Name: CapPortalScreenCast, Available: Yes, Version: "3"},
		CapabilityDescriptor{Name: CapPortalRemoteDesktop, Available: Unavailable},
		CapabilityDescriptor{Name: CapPrivilegedInput, Available: BestEffort, Version: "44"},
	)
	assert.Equal(t, InputUinput, r.Strategy().Input)
}

func TestCompositorMajor(t *testing.T) {
	assert.Equal(t, 46, compositorMajor("46.2"))
	assert.Equal(t, 44, compositorMajor("44"))
	assert.Equal(t, 0, compositorMajor(""))
	assert.Equal(t, 0, compositorMajor("unknown"))
}
