package backend

import (
	_ "github.com/S-Moer/DeepCTR/ml/backend/dense"
)
