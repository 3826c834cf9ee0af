package s3ftp

// Reply codes from RFC 959.
const (
	StatusFileStatusOK          = 150
	StatusOK                    = 200
	StatusSystemStatus          = 211
	StatusFileStatus            = 213
	StatusSystemType            = 215
	StatusServiceReady          = 220
	StatusClosingControl        = 221
	StatusClosingDataConnection = 226
	StatusPassiveMode           = 227
	StatusLoggedIn              = 230
	StatusActionOK              = 250
	StatusPathCreated           = 257
	StatusNeedPassword          = 331
	StatusPendingFurtherInfo    = 350
	StatusServiceNotAvailable   = 421
	StatusCannotOpenDataConn    = 425
	StatusTransferAborted       = 426
	StatusActionFailed          = 450
	StatusSyntaxError           = 500
	StatusNotImplemented        = 502
	StatusBadSequence           = 503
	StatusNotImplementedParam   = 504
	StatusNotLoggedIn           = 530
	StatusActionNotTaken        = 550
)
