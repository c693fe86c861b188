package workerpool

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/store"
)

// StageHandler wraps a pipeline worker's ProcessGroup in the task queue's
// retry/quarantine contract (spec §4.5): on success it passes the result
// through untouched (the worker itself already advanced the group's state
// via store.AdvanceGroupState); on failure it classifies the error,
// applies policy, and either schedules a backed-off retry back at the
// group's own resume_state or quarantines it, alerting when the policy's
// on_exhaustion is quarantine_alert. alerter may be nil, in which case a
// quarantine_alert decision is logged but not delivered anywhere.
func StageHandler(st *store.Store, policy map[string]config.RetryRule, alerter external.AlertChannel, process Handler) Handler {
	return func(ctx context.Context, g *store.Group) error {
		err := process(ctx, g)
		if err == nil {
			return nil
		}

		class := queue.ClassifyError(err)
		decision := queue.Decide(policy, class, g.Attempts+1)

		switch decision.Outcome {
		case queue.OutcomeRetry:
			if rerr := st.RetryGroup(ctx, g.GroupID, decision.ErrorClass, decision.Delay); rerr != nil {
				obslog.Logf("workerpool: retry group %s: %v", g.GroupID, rerr)
			}
		case queue.OutcomeQuarantine:
			if rerr := st.ReleaseGroup(ctx, g.GroupID, store.GroupQuarantined, decision.ErrorClass); rerr != nil {
				obslog.Logf("workerpool: quarantine group %s: %v", g.GroupID, rerr)
			}
			if decision.Alert && alerter != nil {
				alert := external.Alert{
					Severity: external.SeverityCritical,
					Message:  fmt.Sprintf("group %s quarantined after exhausting retries (%s)", g.GroupID, decision.ErrorClass),
					Context:  map[string]interface{}{"group_id": g.GroupID, "error_class": decision.ErrorClass},
				}
				if aerr := alerter.Send(ctx, alert); aerr != nil {
					obslog.Logf("workerpool: deliver quarantine alert for %s: %v", g.GroupID, aerr)
				}
			}
		}
		return err
	}
}
