package usecase

import "time"

// RetryPolicy は再試行と再照会の間隔を決める。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ReconcileInterval は判定待ちの再照会間隔。
	ReconcileInterval time.Duration
	// SimulationDelay はシミュレーションモードで初回照会までの待ち時間。
	SimulationDelay time.Duration
	// StaleAfter を過ぎても判定が得られないレコードは失敗扱いにする。
	StaleAfter time.Duration
	// OrphanAfter を過ぎても更新のない送信前のレコードはディスパッチを登録し直す。
	// MaxDelay より長くする。
	OrphanAfter time.Duration
	// RequestTimeout はPDP呼び出し1回あたりの上限。
	RequestTimeout time.Duration
}

// DefaultRetryPolicy は既定値の RetryPolicy を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         30 * time.Second,
		MaxDelay:          30 * time.Minute,
		ReconcileInterval: 2 * time.Minute,
		SimulationDelay:   5 * time.Minute,
		StaleAfter:        72 * time.Hour,
		OrphanAfter:       time.Hour,
		RequestTimeout:    30 * time.Second,
	}
}

// DispatchBackoff は attempt 回目の失敗後、次の送信までの待ち時間を返す。
// BaseDelay × 2^(attempt-1) を MaxDelay で打ち切る。
func (p RetryPolicy) DispatchBackoff(attempt int) time.Duration {
	return exponential(p.BaseDelay, p.MaxDelay, attempt)
}

// PollRetryBackoff は状態照会が failures 回連続で通信エラーになった後の待ち時間を返す。
// 判定待ちによる通常の再照会回数は含めない。
func (p RetryPolicy) PollRetryBackoff(failures int) time.Duration {
	return exponential(p.ReconcileInterval, p.MaxDelay, failures)
}

// Exhausted は試行回数が上限に達したかを返す。
// 送信の試行回数と、状態照会の連続失敗回数の両方に使う。
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

func exponential(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
