package rates

import "errors"

// ErrAlreadyPopulated is returned by Store.InitializeAssets when the asset
// collection already holds conflicting documents. Both binaries ignore it at
// startup; a second initialization is expected after the first boot.
var ErrAlreadyPopulated = errors.New("asset data is already populated")
