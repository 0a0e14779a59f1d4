package models

import "time"

// OutcomeKind is the verdict a delivery handler reports back to the queue.
type OutcomeKind string

const (
	OutcomeAck   OutcomeKind = "ack"
	OutcomeRetry OutcomeKind = "retry"
	OutcomeFail  OutcomeKind = "fail"
)

// Outcome carries the verdict plus, for retries, how long the queue should wait.
type Outcome struct {
	Kind    OutcomeKind
	Backoff time.Duration
	Reason  string
}

func Ack() Outcome { return Outcome{Kind: OutcomeAck} }

func Retry(backoff time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Backoff: backoff, Reason: reason}
}

func Fail(reason string) Outcome { return Outcome{Kind: OutcomeFail, Reason: reason} }
