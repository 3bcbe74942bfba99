package service

import "time"

func (i *Inventory) SetRetryDelay(delay time.Duration) {
	i.retryDelay = delay
}
