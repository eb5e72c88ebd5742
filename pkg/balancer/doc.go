/*
Package balancer implements node selection strategies for task routing.

Select is a pure function over a candidate node list, except for the
round-robin counters which are internal to the Balancer and guarded by
their own lock. Strategies:

  - priority: best status first, then lowest utilization
  - round_robin: per-domain rotating counter
  - least_connections: fewest active tasks
  - least_loaded: lowest utilization percentage
  - domain_affinity: keyword-classified tasks stick to their domain
  - priority_weighted: reliability-biased placement for high-priority tasks
  - intelligent: weighted composite of success rate, headroom,
    responsiveness, and throughput (the default)

With ExcludeUnhealthy set, unhealthy nodes are dropped before selection;
if that leaves nothing, the first node of the original list is returned as
an explicit last resort so a registered fleet never yields no answer.
*/
package balancer
