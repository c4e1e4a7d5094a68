package inference

import "time"

// backoffDelay は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回はbase、2倍ずつ増加し、maxDelayで頭打ちにする。
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
