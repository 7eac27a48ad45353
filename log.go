package coedit

// Logging convention for the coedit package, following the glog levels:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - storage open/upgrade outcomes
//     - force-released locks on peer disconnect
//     - preempted or abandoned asset transfers
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - frequent events - e.g. enqueue, dequeue, diff apply, presence
//       updates - which should be summarized rather than logged per event
//       on hot paths
