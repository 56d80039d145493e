package protocol

import (
	"fmt"
	"math"
)

// SettingsSchemaVersion is bumped whenever fields are appended to
// settingsSchema. Fields are never removed or reordered.
const SettingsSchemaVersion = 1

// Expansion interface devices that matter to save synchronization.
const (
	EXIDeviceDummy            uint32 = 0
	EXIDeviceMemoryCard       uint32 = 1
	EXIDeviceMemoryCardFolder uint32 = 8
	EXIDeviceNone             uint32 = 0xFF
)

// NetSettings is every emulation affecting option the host imposes on the
// session. It is built once per StartGame and never mutated while running.
type NetSettings struct {
	CPUThread          bool
	CPUCore            uint32
	EnableCheats       bool
	SelectedLanguage   uint32
	OverrideGCLanguage bool
	ProgressiveScan    bool
	PAL60              bool
	DSPEnableJIT       bool
	DSPHLE             bool
	WriteToMemcard     bool
	CopyWiiSave        bool
	OCEnable           bool
	OCFactor           float32
	ReducePollingRate  bool
	EXIDevice          [2]uint32

	EFBAccessEnable              bool
	BBoxEnable                   bool
	ForceProgressive             bool
	EFBToTextureEnable           bool
	XFBToTextureEnable           bool
	DisableCopyToVRAM            bool
	ImmediateXFBEnable           bool
	EFBEmulateFormatChanges      bool
	SafeTextureCacheColorSamples int32
	PerfQueriesEnable            bool
	FPRF                         bool
	AccurateNaNs                 bool
	SyncOnSkipIdle               bool
	SyncGPU                      bool
	SyncGPUMaxDistance           int32
	SyncGPUMinDistance           int32
	SyncGPUOverclock             float32
	JITFollowBranch              bool
	FastDiscSpeed                bool
	MMU                          bool
	Fastmem                      bool
	SkipIPL                      bool
	LoadIPLDump                  bool
	VertexRounding               bool
	InternalResolution           uint32
	EFBScaledCopy                bool
	FastDepthCalc                bool
	EnablePixelLighting          bool
	WidescreenHack               bool
	ForceFiltering               bool
	MaxAnisotropy                uint32
	ForceTrueColor               bool
	DisableCopyFilter            bool
	DisableFog                   bool
	ArbitraryMipmapDetection     bool
	ArbitraryMipmapThreshold     float32
	EnableGPUTextureDecoding     bool
	StrictSettingsSync           bool
	SyncSaveData                 bool
}

func DefaultNetSettings() NetSettings {
	return NetSettings{
		CPUThread:          true,
		CPUCore:            1,
		DSPHLE:             true,
		WriteToMemcard:     true,
		OCFactor:           1,
		EXIDevice:          [2]uint32{EXIDeviceMemoryCard, EXIDeviceNone},
		EFBToTextureEnable: true,
		XFBToTextureEnable: true,
		// matches the usual texture cache accuracy slider default
		SafeTextureCacheColorSamples: 128,
		SkipIPL:                      true,
		InternalResolution:           1,
		EFBScaledCopy:                true,
		FastDepthCalc:                true,
		SyncGPUMaxDistance:           200000,
		SyncGPUMinDistance:           -200000,
		SyncGPUOverclock:             1,
		ArbitraryMipmapThreshold:     14,
		SyncSaveData:                 true,
	}
}

type settingKind uint8

const (
	kindBool   settingKind = 1
	kindU32    settingKind = 2
	kindI32    settingKind = 3
	kindF32    settingKind = 4
	kindU64    settingKind = 5
	kindString settingKind = 6
)

type settingField struct {
	name string
	ptr  func(s *NetSettings) any
}

// settingsSchema is the ordered wire layout of NetSettings. Append only.
var settingsSchema = []settingField{
	{"cpu_thread", func(s *NetSettings) any { return &s.CPUThread }},
	{"cpu_core", func(s *NetSettings) any { return &s.CPUCore }},
	{"enable_cheats", func(s *NetSettings) any { return &s.EnableCheats }},
	{"selected_language", func(s *NetSettings) any { return &s.SelectedLanguage }},
	{"override_gc_language", func(s *NetSettings) any { return &s.OverrideGCLanguage }},
	{"progressive_scan", func(s *NetSettings) any { return &s.ProgressiveScan }},
	{"pal60", func(s *NetSettings) any { return &s.PAL60 }},
	{"dsp_enable_jit", func(s *NetSettings) any { return &s.DSPEnableJIT }},
	{"dsp_hle", func(s *NetSettings) any { return &s.DSPHLE }},
	{"write_to_memcard", func(s *NetSettings) any { return &s.WriteToMemcard }},
	{"copy_wii_save", func(s *NetSettings) any { return &s.CopyWiiSave }},
	{"oc_enable", func(s *NetSettings) any { return &s.OCEnable }},
	{"oc_factor", func(s *NetSettings) any { return &s.OCFactor }},
	{"reduce_polling_rate", func(s *NetSettings) any { return &s.ReducePollingRate }},
	{"exi_device_a", func(s *NetSettings) any { return &s.EXIDevice[0] }},
	{"exi_device_b", func(s *NetSettings) any { return &s.EXIDevice[1] }},
	{"efb_access_enable", func(s *NetSettings) any { return &s.EFBAccessEnable }},
	{"bbox_enable", func(s *NetSettings) any { return &s.BBoxEnable }},
	{"force_progressive", func(s *NetSettings) any { return &s.ForceProgressive }},
	{"efb_to_texture_enable", func(s *NetSettings) any { return &s.EFBToTextureEnable }},
	{"xfb_to_texture_enable", func(s *NetSettings) any { return &s.XFBToTextureEnable }},
	{"disable_copy_to_vram", func(s *NetSettings) any { return &s.DisableCopyToVRAM }},
	{"immediate_xfb_enable", func(s *NetSettings) any { return &s.ImmediateXFBEnable }},
	{"efb_emulate_format_changes", func(s *NetSettings) any { return &s.EFBEmulateFormatChanges }},
	{"safe_texture_cache_color_samples", func(s *NetSettings) any { return &s.SafeTextureCacheColorSamples }},
	{"perf_queries_enable", func(s *NetSettings) any { return &s.PerfQueriesEnable }},
	{"fprf", func(s *NetSettings) any { return &s.FPRF }},
	{"accurate_nans", func(s *NetSettings) any { return &s.AccurateNaNs }},
	{"sync_on_skip_idle", func(s *NetSettings) any { return &s.SyncOnSkipIdle }},
	{"sync_gpu", func(s *NetSettings) any { return &s.SyncGPU }},
	{"sync_gpu_max_distance", func(s *NetSettings) any { return &s.SyncGPUMaxDistance }},
	{"sync_gpu_min_distance", func(s *NetSettings) any { return &s.SyncGPUMinDistance }},
	{"sync_gpu_overclock", func(s *NetSettings) any { return &s.SyncGPUOverclock }},
	{"jit_follow_branch", func(s *NetSettings) any { return &s.JITFollowBranch }},
	{"fast_disc_speed", func(s *NetSettings) any { return &s.FastDiscSpeed }},
	{"mmu", func(s *NetSettings) any { return &s.MMU }},
	{"fastmem", func(s *NetSettings) any { return &s.Fastmem }},
	{"skip_ipl", func(s *NetSettings) any { return &s.SkipIPL }},
	{"load_ipl_dump", func(s *NetSettings) any { return &s.LoadIPLDump }},
	{"vertex_rounding", func(s *NetSettings) any { return &s.VertexRounding }},
	{"internal_resolution", func(s *NetSettings) any { return &s.InternalResolution }},
	{"efb_scaled_copy", func(s *NetSettings) any { return &s.EFBScaledCopy }},
	{"fast_depth_calc", func(s *NetSettings) any { return &s.FastDepthCalc }},
	{"enable_pixel_lighting", func(s *NetSettings) any { return &s.EnablePixelLighting }},
	{"widescreen_hack", func(s *NetSettings) any { return &s.WidescreenHack }},
	{"force_filtering", func(s *NetSettings) any { return &s.ForceFiltering }},
	{"max_anisotropy", func(s *NetSettings) any { return &s.MaxAnisotropy }},
	{"force_true_color", func(s *NetSettings) any { return &s.ForceTrueColor }},
	{"disable_copy_filter", func(s *NetSettings) any { return &s.DisableCopyFilter }},
	{"disable_fog", func(s *NetSettings) any { return &s.DisableFog }},
	{"arbitrary_mipmap_detection", func(s *NetSettings) any { return &s.ArbitraryMipmapDetection }},
	{"arbitrary_mipmap_threshold", func(s *NetSettings) any { return &s.ArbitraryMipmapThreshold }},
	{"enable_gpu_texture_decoding", func(s *NetSettings) any { return &s.EnableGPUTextureDecoding }},
	{"strict_settings_sync", func(s *NetSettings) any { return &s.StrictSettingsSync }},
	{"sync_save_data", func(s *NetSettings) any { return &s.SyncSaveData }},
}

// Encode writes the schema version, the field count and every field prefixed
// with its kind.
func (s *NetSettings) Encode(w *Writer) {
	w.WriteU16(SettingsSchemaVersion)
	w.WriteU16(uint16(len(settingsSchema)))
	for _, field := range settingsSchema {
		switch v := field.ptr(s).(type) {
		case *bool:
			w.WriteU8(uint8(kindBool))
			w.WriteBool(*v)
		case *uint32:
			w.WriteU8(uint8(kindU32))
			w.WriteU32(*v)
		case *int32:
			w.WriteU8(uint8(kindI32))
			w.WriteI32(*v)
		case *float32:
			w.WriteU8(uint8(kindF32))
			w.WriteU32(math.Float32bits(*v))
		default:
			panic(fmt.Sprintf("setting %s has unsupported type %T", field.name, v))
		}
	}
}

// Decode reads settings written by any schema version. Fields this version
// doesn't know are skipped; fields the sender doesn't know keep the values
// from DefaultNetSettings.
func (s *NetSettings) Decode(r *Reader) error {
	*s = DefaultNetSettings()

	version, err := r.ReadU16()
	if err != nil {
		return fmt.Errorf("could not read settings version: %w", err)
	}
	count, err := r.ReadU16()
	if err != nil {
		return fmt.Errorf("could not read settings count: %w", err)
	}

	for i := 0; i < int(count); i++ {
		k, err := r.ReadU8()
		if err != nil {
			return fmt.Errorf("could not read kind of setting %d: %w", i, err)
		}
		kind := settingKind(k)

		if i >= len(settingsSchema) {
			if err := skipSetting(r, kind); err != nil {
				return fmt.Errorf("could not skip setting %d of schema v%d: %w", i, version, err)
			}
			continue
		}

		field := settingsSchema[i]
		if err := readSetting(r, kind, field.ptr(s)); err != nil {
			return fmt.Errorf("could not read setting %s: %w", field.name, err)
		}
	}

	return nil
}

func readSetting(r *Reader, kind settingKind, dst any) error {
	var err error
	switch v := dst.(type) {
	case *bool:
		if kind != kindBool {
			return fmt.Errorf("kind mismatch (got %d; want %d)", kind, kindBool)
		}
		*v, err = r.ReadBool()
	case *uint32:
		if kind != kindU32 {
			return fmt.Errorf("kind mismatch (got %d; want %d)", kind, kindU32)
		}
		*v, err = r.ReadU32()
	case *int32:
		if kind != kindI32 {
			return fmt.Errorf("kind mismatch (got %d; want %d)", kind, kindI32)
		}
		*v, err = r.ReadI32()
	case *float32:
		if kind != kindF32 {
			return fmt.Errorf("kind mismatch (got %d; want %d)", kind, kindF32)
		}
		var bits uint32
		bits, err = r.ReadU32()
		*v = math.Float32frombits(bits)
	default:
		panic(fmt.Sprintf("unsupported setting type %T", v))
	}
	return err
}

func skipSetting(r *Reader, kind settingKind) error {
	var err error
	switch kind {
	case kindBool:
		_, err = r.ReadU8()
	case kindU32, kindI32, kindF32:
		_, err = r.ReadU32()
	case kindU64:
		_, err = r.ReadU64()
	case kindString:
		_, err = r.ReadString()
	default:
		err = fmt.Errorf("unknown setting kind %d", kind)
	}
	return err
}
