// Package clock 提供可注入的時間來源。正式環境用 Real()，測試用 Fake() 手動推進時間，
// 讓令牌桶補充、延遲雙刪、逾時掃描等行為可以被確定性地驗證。
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc 在 d 之後呼叫 f；回傳的 Timer 可取消尚未觸發的呼叫
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

type Timer struct {
	stop func() bool
}

// Stop 回傳 true 表示成功阻止觸發
func (t *Timer) Stop() bool { return t.stop() }

type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real 使用標準 time 套件
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
