package message

// Stratum V2 base extension messages for standard mining channels.

// Protocol values in SetupConnection.
const (
	ProtocolMining uint8 = 0
)

// DeviceInfo describes the mining device in SetupConnection.
type DeviceInfo struct {
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

type SetupConnectionMsg struct {
	Protocol     uint8
	MinVersion   uint16
	MaxVersion   uint16
	Flags        uint32
	EndpointHost string
	EndpointPort uint16
	Device       DeviceInfo
}

func (m *SetupConnectionMsg) Kind() Kind { return SetupConnection }

func (m *SetupConnectionMsg) decode(r *reader) {
	m.Protocol = r.u8("protocol")
	m.MinVersion = r.u16("min_version")
	m.MaxVersion = r.u16("max_version")
	m.Flags = r.u32("flags")
	m.EndpointHost = r.str(255, "endpoint_host")
	m.EndpointPort = r.u16("endpoint_port")
	m.Device.Vendor = r.str(255, "vendor")
	m.Device.HardwareVersion = r.str(255, "hardware_version")
	m.Device.Firmware = r.str(255, "firmware")
	m.Device.DeviceID = r.str(255, "device_id")
}

func (m *SetupConnectionMsg) encode(w *writer) {
	w.u8(m.Protocol)
	w.u16(m.MinVersion)
	w.u16(m.MaxVersion)
	w.u32(m.Flags)
	w.str(m.EndpointHost, 255, "endpoint_host")
	w.u16(m.EndpointPort)
	w.str(m.Device.Vendor, 255, "vendor")
	w.str(m.Device.HardwareVersion, 255, "hardware_version")
	w.str(m.Device.Firmware, 255, "firmware")
	w.str(m.Device.DeviceID, 255, "device_id")
}

type SetupConnectionSuccessMsg struct {
	UsedVersion uint16
	Flags       uint32
}

func (m *SetupConnectionSuccessMsg) Kind() Kind { return SetupConnectionSuccess }

func (m *SetupConnectionSuccessMsg) decode(r *reader) {
	m.UsedVersion = r.u16("used_version")
	m.Flags = r.u32("flags")
}

func (m *SetupConnectionSuccessMsg) encode(w *writer) {
	w.u16(m.UsedVersion)
	w.u32(m.Flags)
}

type SetupConnectionErrorMsg struct {
	Flags uint32
	Code  string
}

func (m *SetupConnectionErrorMsg) Kind() Kind { return SetupConnectionError }

func (m *SetupConnectionErrorMsg) decode(r *reader) {
	m.Flags = r.u32("flags")
	m.Code = r.str(255, "error_code")
}

func (m *SetupConnectionErrorMsg) encode(w *writer) {
	w.u32(m.Flags)
	w.str(m.Code, 255, "error_code")
}

type ChannelEndpointChangedMsg struct {
	ChannelID uint32
}

func (m *ChannelEndpointChangedMsg) Kind() Kind { return ChannelEndpointChanged }

func (m *ChannelEndpointChangedMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
}

func (m *ChannelEndpointChangedMsg) encode(w *writer) {
	w.u32(m.ChannelID)
}

type OpenStandardMiningChannelMsg struct {
	RequestID       uint32
	User            string
	NominalHashrate float32
	MaxTarget       U256
}

func (m *OpenStandardMiningChannelMsg) Kind() Kind { return OpenStandardMiningChannel }

func (m *OpenStandardMiningChannelMsg) decode(r *reader) {
	m.RequestID = r.u32("request_id")
	m.User = r.str(255, "user")
	m.NominalHashrate = r.f32("nominal_hashrate")
	m.MaxTarget = r.u256("max_target")
}

func (m *OpenStandardMiningChannelMsg) encode(w *writer) {
	w.u32(m.RequestID)
	w.str(m.User, 255, "user")
	w.f32(m.NominalHashrate)
	w.u256(m.MaxTarget)
}

type OpenStandardMiningChannelSuccessMsg struct {
	RequestID        uint32
	ChannelID        uint32
	Target           U256
	ExtranoncePrefix []byte
	GroupChannelID   uint32
}

func (m *OpenStandardMiningChannelSuccessMsg) Kind() Kind { return OpenStandardMiningChannelSuccess }

func (m *OpenStandardMiningChannelSuccessMsg) decode(r *reader) {
	m.RequestID = r.u32("request_id")
	m.ChannelID = r.u32("channel_id")
	m.Target = r.u256("target")
	m.ExtranoncePrefix = r.b032("extranonce_prefix")
	m.GroupChannelID = r.u32("group_channel_id")
}

func (m *OpenStandardMiningChannelSuccessMsg) encode(w *writer) {
	w.u32(m.RequestID)
	w.u32(m.ChannelID)
	w.u256(m.Target)
	w.b032(m.ExtranoncePrefix, "extranonce_prefix")
	w.u32(m.GroupChannelID)
}

type OpenMiningChannelErrorMsg struct {
	RequestID uint32
	Code      string
}

func (m *OpenMiningChannelErrorMsg) Kind() Kind { return OpenMiningChannelError }

func (m *OpenMiningChannelErrorMsg) decode(r *reader) {
	m.RequestID = r.u32("request_id")
	m.Code = r.str(32, "error_code")
}

func (m *OpenMiningChannelErrorMsg) encode(w *writer) {
	w.u32(m.RequestID)
	w.str(m.Code, 32, "error_code")
}

type UpdateChannelMsg struct {
	ChannelID       uint32
	NominalHashrate float32
	MaxTarget       U256
}

func (m *UpdateChannelMsg) Kind() Kind { return UpdateChannel }

func (m *UpdateChannelMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.NominalHashrate = r.f32("nominal_hashrate")
	m.MaxTarget = r.u256("maximum_target")
}

func (m *UpdateChannelMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.f32(m.NominalHashrate)
	w.u256(m.MaxTarget)
}

type UpdateChannelErrorMsg struct {
	ChannelID uint32
	Code      string
}

func (m *UpdateChannelErrorMsg) Kind() Kind { return UpdateChannelError }

func (m *UpdateChannelErrorMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.Code = r.str(32, "error_code")
}

func (m *UpdateChannelErrorMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.str(m.Code, 32, "error_code")
}

type CloseChannelMsg struct {
	ChannelID uint32
	Reason    string
}

func (m *CloseChannelMsg) Kind() Kind { return CloseChannel }

func (m *CloseChannelMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.Reason = r.str(32, "reason_code")
}

func (m *CloseChannelMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.str(m.Reason, 32, "reason_code")
}

type SubmitSharesStandardMsg struct {
	ChannelID uint32
	SeqNum    uint32
	JobID     uint32
	Nonce     uint32
	NTime     uint32
	Version   uint32
}

func (m *SubmitSharesStandardMsg) Kind() Kind { return SubmitSharesStandard }

func (m *SubmitSharesStandardMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.SeqNum = r.u32("seq_num")
	m.JobID = r.u32("job_id")
	m.Nonce = r.u32("nonce")
	m.NTime = r.u32("ntime")
	m.Version = r.u32("version")
}

func (m *SubmitSharesStandardMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.SeqNum)
	w.u32(m.JobID)
	w.u32(m.Nonce)
	w.u32(m.NTime)
	w.u32(m.Version)
}

type SubmitSharesSuccessMsg struct {
	ChannelID               uint32
	LastSeqNum              uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint32
}

func (m *SubmitSharesSuccessMsg) Kind() Kind { return SubmitSharesSuccess }

func (m *SubmitSharesSuccessMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.LastSeqNum = r.u32("last_seq_num")
	m.NewSubmitsAcceptedCount = r.u32("new_submits_accepted_count")
	m.NewSharesSum = r.u32("new_shares_sum")
}

func (m *SubmitSharesSuccessMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.LastSeqNum)
	w.u32(m.NewSubmitsAcceptedCount)
	w.u32(m.NewSharesSum)
}

type SubmitSharesErrorMsg struct {
	ChannelID uint32
	SeqNum    uint32
	Code      string
}

func (m *SubmitSharesErrorMsg) Kind() Kind { return SubmitSharesError }

func (m *SubmitSharesErrorMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.SeqNum = r.u32("seq_num")
	m.Code = r.str(32, "error_code")
}

func (m *SubmitSharesErrorMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.SeqNum)
	w.str(m.Code, 32, "error_code")
}

type NewMiningJobMsg struct {
	ChannelID  uint32
	JobID      uint32
	FutureJob  bool
	Version    uint32
	MerkleRoot U256
}

func (m *NewMiningJobMsg) Kind() Kind { return NewMiningJob }

func (m *NewMiningJobMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.JobID = r.u32("job_id")
	m.FutureJob = r.bool("future_job")
	m.Version = r.u32("version")
	m.MerkleRoot = r.u256("merkle_root")
}

func (m *NewMiningJobMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.bool(m.FutureJob)
	w.u32(m.Version)
	w.u256(m.MerkleRoot)
}

type NewExtendedMiningJobMsg struct {
	ChannelID             uint32
	JobID                 uint32
	FutureJob             bool
	Version               uint32
	VersionRollingAllowed bool
	MerklePath            []U256
	CoinbaseTxPrefix      []byte
	CoinbaseTxSuffix      []byte
}

func (m *NewExtendedMiningJobMsg) Kind() Kind { return NewExtendedMiningJob }

func (m *NewExtendedMiningJobMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.JobID = r.u32("job_id")
	m.FutureJob = r.bool("future_job")
	m.Version = r.u32("version")
	m.VersionRollingAllowed = r.bool("version_rolling_allowed")
	m.MerklePath = r.seqU256("merkle_path")
	m.CoinbaseTxPrefix = r.b064k("coinbase_tx_prefix")
	m.CoinbaseTxSuffix = r.b064k("coinbase_tx_suffix")
}

func (m *NewExtendedMiningJobMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.bool(m.FutureJob)
	w.u32(m.Version)
	w.bool(m.VersionRollingAllowed)
	w.seqU256(m.MerklePath, "merkle_path")
	w.b064k(m.CoinbaseTxPrefix, "coinbase_tx_prefix")
	w.b064k(m.CoinbaseTxSuffix, "coinbase_tx_suffix")
}

type SetNewPrevHashMsg struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  U256
	MinNTime  uint32
	NBits     uint32
}

func (m *SetNewPrevHashMsg) Kind() Kind { return SetNewPrevHash }

func (m *SetNewPrevHashMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.JobID = r.u32("job_id")
	m.PrevHash = r.u256("prev_hash")
	m.MinNTime = r.u32("min_ntime")
	m.NBits = r.u32("nbits")
}

func (m *SetNewPrevHashMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.u256(m.PrevHash)
	w.u32(m.MinNTime)
	w.u32(m.NBits)
}

type SetTargetMsg struct {
	ChannelID uint32
	MaxTarget U256
}

func (m *SetTargetMsg) Kind() Kind { return SetTarget }

func (m *SetTargetMsg) decode(r *reader) {
	m.ChannelID = r.u32("channel_id")
	m.MaxTarget = r.u256("max_target")
}

func (m *SetTargetMsg) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u256(m.MaxTarget)
}

type ReconnectMsg struct {
	NewHost string
	NewPort uint16
}

func (m *ReconnectMsg) Kind() Kind { return Reconnect }

func (m *ReconnectMsg) decode(r *reader) {
	m.NewHost = r.str(255, "new_host")
	m.NewPort = r.u16("new_port")
}

func (m *ReconnectMsg) encode(w *writer) {
	w.str(m.NewHost, 255, "new_host")
	w.u16(m.NewPort)
}

func newV2(k Kind) v2Message {
	switch k {
	case SetupConnection:
		return &SetupConnectionMsg{}
	case SetupConnectionSuccess:
		return &SetupConnectionSuccessMsg{}
	case SetupConnectionError:
		return &SetupConnectionErrorMsg{}
	case ChannelEndpointChanged:
		return &ChannelEndpointChangedMsg{}
	case OpenStandardMiningChannel:
		return &OpenStandardMiningChannelMsg{}
	case OpenStandardMiningChannelSuccess:
		return &OpenStandardMiningChannelSuccessMsg{}
	case OpenMiningChannelError:
		return &OpenMiningChannelErrorMsg{}
	case UpdateChannel:
		return &UpdateChannelMsg{}
	case UpdateChannelError:
		return &UpdateChannelErrorMsg{}
	case CloseChannel:
		return &CloseChannelMsg{}
	case SubmitSharesStandard:
		return &SubmitSharesStandardMsg{}
	case SubmitSharesSuccess:
		return &SubmitSharesSuccessMsg{}
	case SubmitSharesError:
		return &SubmitSharesErrorMsg{}
	case NewMiningJob:
		return &NewMiningJobMsg{}
	case NewExtendedMiningJob:
		return &NewExtendedMiningJobMsg{}
	case SetNewPrevHash:
		return &SetNewPrevHashMsg{}
	case SetTarget:
		return &SetTargetMsg{}
	case Reconnect:
		return &ReconnectMsg{}
	}
	return nil
}
