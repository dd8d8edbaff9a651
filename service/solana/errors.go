package solana

import "errors"

var (
	// ErrParse means a transaction (or a signature) does not fit the domain model.
	ErrParse = errors.New("parse error")

	// ErrRPC means a single RPC call failed at the transport or protocol level.
	ErrRPC = errors.New("rpc error")
)
