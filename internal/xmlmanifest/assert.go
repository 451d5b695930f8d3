package xmlmanifest

import "flashengine/internal/qualcomm/service"

// Compile-time confirmation that the Qualcomm orchestrator is in fact
// the FlashOrchestrator RunFlashfile was written against.
var _ FlashOrchestrator = (*service.Service)(nil)
