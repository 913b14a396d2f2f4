package rpc

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"codesubst/subst"
)

// AccountRequest names the account an operation applies to. An empty account
// means every tracked account.
type AccountRequest struct {
	Account string `json:"account,omitempty"`
}

// UpsertRequest registers substitute code for an account. Code is 0x-prefixed
// hex. MustActivate defaults to true.
type UpsertRequest struct {
	Account      string        `json:"account"`
	FromBlock    uint64        `json:"from_block"`
	Code         hexutil.Bytes `json:"code"`
	MustActivate *bool         `json:"must_activate,omitempty"`
}

// RowsResponse carries the status of several accounts.
type RowsResponse struct {
	Rows []*subst.AccountStatus `json:"rows"`
}

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
