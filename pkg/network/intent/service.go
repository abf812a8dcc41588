package intent

// State is the lifecycle state of an intent inside the installer.
type State string

const (
	StateAbsent      State = ""
	StateInstallReq  State = "INSTALL_REQ"
	StateInstalling  State = "INSTALLING"
	StateInstalled   State = "INSTALLED"
	StateWithdrawReq State = "WITHDRAW_REQ"
	StateWithdrawing State = "WITHDRAWING"
	StateWithdrawn   State = "WITHDRAWN"
	StateFailed      State = "FAILED"
	StatePurgeReq    State = "PURGE_REQ"
	// StateUnknown is reported when the installer could not be reached.
	StateUnknown State = "UNKNOWN"
)

// Active reports whether the intent is installed or on its way there.
func (s State) Active() bool {
	switch s {
	case StateInstallReq, StateInstalling, StateInstalled:
		return true
	}
	return false
}

// Retired reports whether the intent is down and only waits for a purge.
func (s State) Retired() bool {
	return s == StateWithdrawn || s == StateFailed
}

// Service is the external intent installer. It works asynchronously: none of
// its methods block on the fabric, and done callbacks passed to Submit are
// never invoked before Submit returns.
type Service interface {
	// Submit installs or replaces the record under rec.Key. done, if non-nil,
	// reports the final outcome of the installation.
	Submit(rec Record, done func(error))
	Withdraw(key Key)
	Purge(key Key)
	Get(key Key) (Record, bool)
	State(key Key) State
	// Keys lists the intents owned by app.
	Keys(app string) []Key
}

// Exists reports whether the installer still knows key in any state.
func Exists(s Service, key Key) bool {
	return s.State(key) != StateAbsent
}
