package wire

// ErrCode is the typed error value carried in control-channel replies,
// per §7's taxonomy. Request-level errors are always encoded this way;
// they never tear down the connection (only transport errors do that).
type ErrCode int

const (
	OK ErrCode = 0

	// EINVAL: invalid request.
	EINVAL ErrCode = iota + 21
	// ENOSYS: unknown command.
	ENOSYS
	// ESRCH: no such job.
	ESRCH
	// EEXIST: duplicate job label.
	EEXIST
	// EACCES: not permitted on this connection.
	EACCES
	// EPERM: not permitted.
	EPERM
	// ECONNRESET: transport broken, peer reset.
	ECONNRESET
	// ECONNABORTED: transport broken, ancillary data truncated etc.
	ECONNABORTED
	// EBADRPC: frame magic or length invalid.
	EBADRPC
	// EAGAIN: try again, transient short read/write.
	EAGAIN
)

func (c ErrCode) String() string {
	switch c {
	case OK:
		return "OK"
	case EINVAL:
		return "EINVAL"
	case ENOSYS:
		return "ENOSYS"
	case ESRCH:
		return "ESRCH"
	case EEXIST:
		return "EEXIST"
	case EACCES:
		return "EACCES"
	case EPERM:
		return "EPERM"
	case ECONNRESET:
		return "ECONNRESET"
	case ECONNABORTED:
		return "ECONNABORTED"
	case EBADRPC:
		return "EBADRPC"
	case EAGAIN:
		return "EAGAIN"
	default:
		return "EUNKNOWN"
	}
}

// AsValue renders the error code the way it travels on the wire: an
// integer value, zero for success.
func (c ErrCode) AsValue() Value { return Int(int64(c)) }
