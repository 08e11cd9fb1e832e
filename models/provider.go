package models

// Provider names the engine can sync.
const (
	ProviderMail     = "mail"
	ProviderCalendar = "calendar"
	ProviderDrive    = "drive"
)

// SyncProviders is the canonical provider order used for configuration and
// job fan-out.
var SyncProviders = []string{ProviderMail, ProviderCalendar, ProviderDrive}

// KnownProvider reports whether name is a provider this engine understands.
func KnownProvider(name string) bool {
	for _, p := range SyncProviders {
		if p == name {
			return true
		}
	}

	return false
}
