package execution

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
)

// RevertReason extracts a human readable revert reason from an RPC error,
// or returns "" when the node sent no revert data.
func RevertReason(err error) string {
	return decodeRevertFromError(err)
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) *clierr.Error {
	if reason := decodeRevertFromError(err); reason != "" {
		message = fmt.Sprintf("%s: execution reverted: %s", message, reason)
	}
	return clierr.Wrap(code, message, err)
}

func decodeRevertFromError(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		data, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return ""
		}
		return decodeRevertData(data)
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return fmt.Sprintf("custom error %s", hexutil.Encode(data[:4]))
}
