package portdetect

import "flashengine/internal/model"

// vidPidKey uniquely determines a classified_kind, per spec.md §3
// DetectedPort invariant.
type vidPidKey struct {
	vid, pid uint16
}

// knownDevices is the static VID/PID table. Each line is one real,
// documented boot-mode USB ID.
var knownDevices = map[vidPidKey]model.ClassifiedKind{
	{0x05C6, 0x9008}: model.KindQualcommEdl,    // Qualcomm EDL (Sahara/Firehose)
	{0x05C6, 0x900E}: model.KindQualcommDiag,   // Qualcomm DIAG
	{0x05C6, 0x9001}: model.KindQualcommDload,  // Qualcomm 9xxx DLOAD
	{0x0E8D, 0x0003}: model.KindMtkBrom,        // MediaTek BROM
	{0x0E8D, 0x2000}: model.KindMtkPreloader,   // MediaTek Preloader
	{0x0E8D, 0x2001}: model.KindMtkDa,          // MediaTek post-DA
	{0x1782, 0x4D00}: model.KindSpreadtrumDownload, // Spreadtrum BSL download
	{0x18D1, 0x4EE0}: model.KindFastboot,       // Android Fastboot (AOSP default)
	{0x0BB4, 0x0FFE}: model.KindFastboot,       // HTC-derived fastboot
}

// Classify looks up the static table, returning KindUnknown for any
// (vid, pid) pair not in it.
func Classify(vid, pid uint16) model.ClassifiedKind {
	if k, ok := knownDevices[vidPidKey{vid, pid}]; ok {
		return k
	}
	return model.KindUnknown
}

// KnownVendorVIDs lists every VID with at least one entry in the
// table. DetectAllPorts does not use it; its scanners filter with
// Classify on the exact (vid, pid) pair.
func KnownVendorVIDs() map[uint16]struct{} {
	out := make(map[uint16]struct{})
	for k := range knownDevices {
		out[k.vid] = struct{}{}
	}
	return out
}
