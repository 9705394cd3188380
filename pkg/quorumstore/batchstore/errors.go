// Copyright 2025 Certen Protocol
//
// BatchStore package errors

package batchstore

import "errors"

var (
	ErrStaleExpiration     = errors.New("batchstore: expiration is not after the last certified round")
	ErrQuotaExceeded       = errors.New("batchstore: per-peer storage quota exceeded")
	ErrDbQuotaExceeded     = errors.New("batchstore: on-disk storage quota exceeded")
	ErrMemoryQuotaExceeded = errors.New("batchstore: payload alone exceeds the hydrated-batch memory quota")
	ErrBatchNotFound       = errors.New("batchstore: batch not found")
	ErrNotCertifiedYet     = errors.New("batchstore: refusing to sign a digest whose batch is not locally persisted")
	ErrExpired             = errors.New("batchstore: digest's expiration has already passed certification")
	ErrNoPeerResponded     = errors.New("batchstore: no peer answered the remote batch request before the deadline")
)
