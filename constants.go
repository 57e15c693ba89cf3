package snapback

// Version is the snapback version, overwritten at link time.
var Version = "devel"

// DefaultConfigPath is the default path of the configuration file.
const DefaultConfigPath = "/etc/snapback/snapback.yaml"

// ManifestFileName is the name of the integrity manifest kept at the root of every volume.
const ManifestFileName = "2sure.dat.gz"

// StampFileName is the name of the file rewritten on the live mount before each snapshot.
const StampFileName = "snapstamp"

// TimestampLayout is the layout of timestamps embedded in archive and snapshot names.
const TimestampLayout = "20060102T150405"

// DefaultSnapshotSize is the copy-on-write area reserved for an LVM snapshot.
const DefaultSnapshotSize = "5g"

// SnapshotPrefix prefixes every ZFS snapshot and clone created by snapback.
const SnapshotPrefix = "snapback-"

// ManifestSnapshotPrefix prefixes the ZFS snapshot taken after a manifest copy-back.
// Such a snapshot only guarantees the manifest, not the rest of the dataset.
const ManifestSnapshotPrefix = "snapback-manifest-"

// DefaultLVMPath is the default path of the lvm command.
const DefaultLVMPath = "/sbin/lvm"

// DefaultZFSPath is the default path of the zfs command.
const DefaultZFSPath = "/sbin/zfs"

// DefaultRsyncPath is the default path of the rsync command.
const DefaultRsyncPath = "/usr/bin/rsync"

// DefaultRsurePath is the default name of the rsure command.
const DefaultRsurePath = "rsure"

// MetricsNamespace is the prometheus namespace of every snapback metric.
const MetricsNamespace = "snapback"

// DefaultMetricsTextfile is where a one-shot run leaves its metrics for the node exporter.
const DefaultMetricsTextfile = "/var/lib/node_exporter/textfile_collector/snapback.prom"
