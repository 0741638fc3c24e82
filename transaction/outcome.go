package transaction

import (
	"crypto/x509"

	"github.com/ruteri/scep-client/interfaces"
)

// Outcome is the result of the latest exchange: Pending, Issued or Rejected.
type Outcome interface {
	State() interfaces.TransactionState
	isOutcome()
}

// Pending means the server has not decided yet.
type Pending struct{}

// Issued carries the certificates of a SUCCESS response, issued certificate first.
type Issued struct {
	Certificates []*x509.Certificate
}

// Rejected carries the fail info of a FAILURE response.
type Rejected struct {
	FailInfo interfaces.FailInfo
}

func (Pending) State() interfaces.TransactionState  { return interfaces.StatePending }
func (Issued) State() interfaces.TransactionState   { return interfaces.StateIssued }
func (Rejected) State() interfaces.TransactionState { return interfaces.StateRejected }

func (Pending) isOutcome()  {}
func (Issued) isOutcome()   {}
func (Rejected) isOutcome() {}
