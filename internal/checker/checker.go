// Package checker audits the operation logs of a finished run.
package checker

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/davischen/twopc/internal/config"
	"github.com/davischen/twopc/internal/coordinator"
	"github.com/davischen/twopc/internal/message"
	"github.com/davischen/twopc/internal/oplog"
)

// Report summarizes a run as seen from the logs.
type Report struct {
	Committed  int
	Aborted    int
	Unknown    int
	Violations []string
}

func (r Report) OK() bool {
	return len(r.Violations) == 0
}

type decision struct {
	kind    message.Kind
	unknown bool
}

type participantView struct {
	votes     map[string]message.Kind
	decisions map[string]message.Kind
}

// Check reads coordinator.log and participant_<n>.log for n below
// participants from dir and cross-checks them. An error means a log could
// not be read; protocol violations are listed in the report.
func Check(dir string, participants int, log *zap.Logger) (Report, error) {
	coord, err := readCoordinator(oplog.Path(dir, coordinator.ID))
	if err != nil {
		return Report{}, err
	}

	var r Report
	txids := make([]string, 0, len(coord))
	for txid, d := range coord {
		txids = append(txids, txid)
		if d.kind == message.CoordinatorCommit {
			r.Committed++
		} else {
			r.Aborted++
			if d.unknown {
				r.Unknown++
			}
		}
	}
	sort.Strings(txids)

	for n := 0; n < participants; n++ {
		name := config.ParticipantName(n)
		view, err := readParticipant(oplog.Path(dir, name))
		if err != nil {
			return Report{}, err
		}
		for _, txid := range txids {
			want := coord[txid].kind
			got, ok := view.decisions[txid]
			switch {
			case !ok:
				r.Violations = append(r.Violations, fmt.Sprintf("%s: no decision logged for %s", name, txid))
			case got != want:
				r.Violations = append(r.Violations, fmt.Sprintf("%s: logged %s for %s, coordinator logged %s", name, got, txid, want))
			}
			if want == message.CoordinatorCommit && view.votes[txid] != message.ParticipantVoteCommit {
				r.Violations = append(r.Violations, fmt.Sprintf("%s: %s committed without a commit vote", name, txid))
			}
		}
		for txid := range view.decisions {
			if _, ok := coord[txid]; !ok {
				r.Violations = append(r.Violations, fmt.Sprintf("%s: decision for %s the coordinator never made", name, txid))
			}
		}
	}

	log.Info("checked run",
		zap.Int("committed", r.Committed),
		zap.Int("aborted", r.Aborted),
		zap.Int("unknown", r.Unknown),
		zap.Int("violations", len(r.Violations)))
	for _, v := range r.Violations {
		log.Error("violation", zap.String("detail", v))
	}
	return r, nil
}

func readCoordinator(path string) (map[string]decision, error) {
	records, err := oplog.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decision)
	for _, rec := range records {
		switch rec.Kind {
		case message.CoordinatorCommit, message.CoordinatorAbort:
			out[message.BaseTxID(rec.TxID)] = decision{
				kind:    rec.Kind,
				unknown: rec.TxID != message.BaseTxID(rec.TxID),
			}
		}
	}
	return out, nil
}

func readParticipant(path string) (participantView, error) {
	records, err := oplog.ReadFile(path)
	if err != nil {
		return participantView{}, err
	}
	v := participantView{
		votes:     make(map[string]message.Kind),
		decisions: make(map[string]message.Kind),
	}
	for _, rec := range records {
		txid := message.BaseTxID(rec.TxID)
		switch rec.Kind {
		case message.ParticipantVoteCommit, message.ParticipantVoteAbort:
			v.votes[txid] = rec.Kind
		case message.CoordinatorCommit, message.CoordinatorAbort:
			v.decisions[txid] = rec.Kind
		}
	}
	return v, nil
}
