/*
Package monitor implements the periodic health and bottleneck loops.

HealthMonitor (60s default) folds per-node success rate, utilization
headroom, and responsiveness into a 0-1 node health score, then combines
overall routing success, routing latency, and mean node health into a
bridge-wide 0-100 score. Thresholds: >=90 healthy, >=70 degraded,
otherwise critical. The bridge score alone decides whether the
coordination layer reports itself degraded.

BottleneckDetector (30s default) scans the same registry snapshot for
queue saturation (depth >=7), response-time degradation (>5000ms), and
bridge-wide sync lag (>200ms). Detections are appended every pass they
persist: repeated detections are signal, not noise. A pass that no longer
finds a previously detected (kind, node) condition marks the prior entry
resolved; the history itself is never pruned.
*/
package monitor
