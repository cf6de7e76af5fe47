package delivery

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

// NextDelay computes the requeue delay after the given attempt number:
// exponential doubling from the policy base, capped at the policy maximum,
// minus a deterministic jitter of up to a quarter of the delay so retries of
// different messages spread out. Same (policy, message, attempt) in, same
// delay out, which keeps retry schedules reproducible.
func NextDelay(policy domain.RetryPolicy, messageID uuid.UUID, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := policy.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxBackoff {
			delay = policy.MaxBackoff
			break
		}
	}
	if delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}

	if span := delay / 4; span > 0 {
		delay -= time.Duration(jitterSeed(messageID, attempt) % uint64(span))
	}
	return delay
}

func jitterSeed(messageID uuid.UUID, attempt int) uint64 {
	h := fnv.New64a()
	h.Write(messageID[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h.Write(buf[:])
	return h.Sum64()
}
