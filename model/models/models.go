package models

import (
	_ "github.com/S-Moer/DeepCTR/model/models/ple"
)
